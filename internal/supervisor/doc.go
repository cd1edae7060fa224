// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package supervisor provides process supervision for Sessionkeeper using suture v4.

Long-running services are organized into three layers so a failure in one
layer restarts only that layer:

	RootSupervisor ("sessionkeeper")
	├── DataSupervisor ("data-layer")
	│   └── DatabaseHealthService
	├── TrackingSupervisor ("tracking-layer")
	│   └── PollerService
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

Crashed services are restarted with suture's backoff. Supervisor events are
logged through the sutureslog adapter, so callers pass a *slog.Logger that is
normally backed by the zerolog handler from the logging package.

# Usage

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    FailureThreshold: cfg.Supervisor.FailureThreshold,
	    FailureDecay:     cfg.Supervisor.FailureDecay,
	    FailureBackoff:   cfg.Supervisor.FailureBackoff,
	    ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
	    return err
	}
	tree.AddDataService(services.NewDatabaseHealthService(db, time.Minute))
	tree.AddTrackingService(services.NewPollerService(scheduler, cfg.Poller))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	errCh := tree.ServeBackground(ctx)

Cancelling ctx stops every service. If a service does not return within
ShutdownTimeout, UnstoppedServiceReport lists it.
*/
package supervisor
