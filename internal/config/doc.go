// Package config loads the daemon configuration from a JSON file. Secrets are
// never stored in the file itself: provider keys, the signer key and the
// explorer key are read from the environment variables the file names.
package config
