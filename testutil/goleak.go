package testutil

import "go.uber.org/goleak"

// GoleakOptions is the common set of options for goleak.VerifyTestMain.
var GoleakOptions = []goleak.Option{
	// The PostgreSQL listener keeps a reconnect goroutine alive for the
	// lifetime of the process in tests that open it.
	goleak.IgnoreTopFunction("github.com/lib/pq.(*ListenerConn).listenerConnLoop"),
	goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
}
