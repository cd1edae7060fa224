// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package services adapts Sessionkeeper components to suture.Service.

Each wrapper translates a component's own lifecycle (ListenAndServe/Shutdown,
Run with a config, periodic checks) into Serve(ctx) and names itself through
fmt.Stringer so supervisor events identify it:

  - HTTPServerService wraps *http.Server with graceful shutdown.
  - PollerService runs the session poll scheduler until cancelled.
  - DatabaseHealthService pings the database and exports the db_up gauge.

Wrappers depend on small interfaces rather than concrete types so they can
be tested with fakes.
*/
package services
