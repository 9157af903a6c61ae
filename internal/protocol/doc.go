// Wire format between the kiln CLI and the kiln daemon.
//
// Every exchange is a single newline-delimited JSON envelope in each
// direction over a Unix domain socket:
//
//	{"command":"build","payload":{"context":"/src/backend","output":"/out"}}
//
// The daemon answers with an "ok" envelope carrying the command's result,
// or an "error" envelope carrying an [ErrorResult]. The connection is
// closed after the response.
package protocol
