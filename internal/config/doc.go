// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

/*
Package config loads Sessionkeeper configuration with Koanf v2.

Configuration is layered, lowest priority first:

 1. Built-in defaults (defaultConfig)
 2. Optional YAML file (config.yaml, /etc/sessionkeeper/config.yaml, or CONFIG_PATH)
 3. Environment variables mapped by envTransformFunc

Media servers are listed under servers: in the YAML file. For single-server
deployments the MEDIA_SERVER_* environment variables describe one server
without a config file; see Config.MediaServers.

Example config.yaml:

	poller:
	  interval: 15s
	  sweep_interval: 60s
	sessions:
	  stale_timeout: 5m
	  min_play_time: 2m
	redis:
	  enabled: true
	  addr: redis:6379
	servers:
	  - id: living-room
	    type: plex
	    url: http://plex:32400
	    token: xxxxx
	  - id: basement
	    type: jellyfin
	    url: http://jellyfin:8096
	    token: yyyyy
*/
package config
