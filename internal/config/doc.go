// Package config loads and validates courier-server configuration from YAML.
//
// Configuration files support ${VAR_NAME} environment variable expansion and
// Go duration strings for timing fields. A minimal file looks like:
//
//	server:
//	  http_addr: ":8088"
//	database:
//	  path: /var/lib/courier/courier.db
//	session:
//	  ttl: 1h
//	logging:
//	  level: info
//	  format: text
package config
