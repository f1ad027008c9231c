/*
Package config loads runtime configuration from the environment.

A .env file in the working directory is loaded first when present, then
every field is parsed from its environment variable with a sensible
default. Variable names keep the original deployment surface (including
SQLITE3_DB_PATH for the store path) so existing deployments migrate
without edits. Load validates the result; a misconfigured process refuses
to start rather than limping.
*/
package config
