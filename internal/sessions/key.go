// Package sessions builds and parses the composite session identifier and
// persists the session record.
//
// A session id is always:
//
//	{platformId}:{threadId}
//
// where platformId names the chat backend ("mattermost" or "slack") and
// threadId is that backend's own thread-root identifier (a post id on
// Mattermost, a "channel:ts" pair on Slack). One session exists per chat
// thread; there is no DM/group/topic distinction at this layer — that's a
// property of threadId's shape on a given platform, not of the session key.
package sessions

import "strings"

// BuildKey joins a platform id and thread id into a session id.
func BuildKey(platformID, threadID string) string {
	return platformID + ":" + threadID
}

// ParseKey splits a session id back into its platform id and thread id.
// Returns ok=false if key isn't in the expected two-part form.
func ParseKey(key string) (platformID, threadID string, ok bool) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
