// Package port checks host port availability before a fixture starts.
//
// Compose files may pin a published port ("5432:5432"). When another
// process already holds that port, `docker compose up` fails deep inside
// the daemon with a bind error that names neither the service nor the
// port mapping. Preflight scans the pinned ports first and reports every
// conflict with its service. Ports published without a host side are
// assigned by Docker and never conflict.
package port
