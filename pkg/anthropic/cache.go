package anthropic

// BuildCachedSystemBlocks returns text as a single system block with a cache
// breakpoint. An empty ttl uses the API default (5 minutes).
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
