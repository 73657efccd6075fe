// Package config loads the JSON configuration of the BountyMesh daemon,
// fills in defaults and resolves relative paths against the directory of the
// configuration file.
package config
