// Package bootstrap provides application initialization and lifecycle management.
// It wires configuration, the rule store, the engines and the HTTP API into
// testable, composable components shared by the server and the CLI.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := app.Start(ctx); err != nil {
//	    app.Shutdown()
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown()
//	app.Shutdown()
package bootstrap
