/*
Package config loads engine settings from YAML or JSON files and the
environment.

Config is a typed accessor over a decoded document. Keys may be dotted to
reach nested sections, and every accessor takes a default that is returned
when the key is missing or has the wrong type:

	cfg, err := config.FromFile("agentgraph.yaml")
	if err != nil {
	    return err
	}
	capacity := cfg.Int("traffic.providers.groq.capacity", 1)

Environment variables override file values. FromEnv maps
AGENTGRAPH_TRAFFIC__DEFAULT_CAPACITY=4 to traffic.default_capacity, and
Merge lays one Config over another:

	cfg = cfg.Merge(config.FromEnv(config.EnvPrefix, os.Environ()))

Settings decodes the whole document into the engine's tunables, filling
unset values from DefaultSettings.
*/
package config
