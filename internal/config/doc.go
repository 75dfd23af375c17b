// ABOUTME: Package config loads and validates relay-gateway configuration
// ABOUTME: YAML file with ${VAR} expansion plus environment variable overrides

// Package config handles relay-gateway configuration.
//
// Configuration is a YAML file. ${VAR} references anywhere in the file are
// expanded from the environment before parsing, and a small set of
// well-known variables (TELEGRAM_BOT_TOKEN, SLACK_BOT_TOKEN, SLACK_APP_TOKEN,
// DISCORD_BOT_TOKEN, RELAY_BACKEND_URL, RELAY_BACKEND_TOKEN, RELAY_HTTP_TOKEN,
// TS_AUTHKEY) override their file counterparts, so secrets can stay out of
// the file entirely.
//
// Example:
//
//	backend:
//	  url: http://localhost:9000
//	  token: ${RELAY_BACKEND_TOKEN}
//	gateway:
//	  store_path: /var/lib/relay-gateway/relay.db
//	  approval_mode: allowlist
//	  approval_allowlist: [read_file, list_dir]
//	  prune_after: 720h
//	routing:
//	  dm_scope: per_channel_peer
//	channels:
//	  telegram:
//	    enabled: true
//	    bot_token: ${TELEGRAM_BOT_TOKEN}
//	http:
//	  addr: :8080
//	  auth_token: ${RELAY_HTTP_TOKEN}
package config
