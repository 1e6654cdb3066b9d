package server

import "github.com/bwmarrin/snowflake"

// parseSnowflake returns 0 for empty or malformed IDs; callers treat 0 as
// "not provided".
func parseSnowflake(raw string) snowflake.ID {
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0
	}
	return id
}
