// Package session implements the canonical session-ID rules: a session
// ID is either a UUID (ephemeral) or a colon-separated tuple
// agent:channel:scope[:thread] whose segments are restricted to
// [A-Za-z0-9_.-]+, mapping 1:1 to a workspace path with colons replaced
// by path separators. Compose and Parse round-trip.
package session

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Parts is the parsed form of a persistent (tuple) session ID.
type Parts struct {
	Agent   string
	Channel string
	Scope   string
	Thread  string // empty if not a thread-scoped session
}

// ComposeSessionID builds the canonical persistent session ID
// agent:channel:scope[:thread] from its parts. thread may be empty.
func ComposeSessionID(agent, channel, scope, thread string) (string, error) {
	parts := []string{agent, channel, scope}
	if thread != "" {
		parts = append(parts, thread)
	}
	for _, p := range parts {
		if !segmentRe.MatchString(p) {
			return "", fmt.Errorf("session: invalid segment %q", p)
		}
	}
	return strings.Join(parts, ":"), nil
}

// IsValid reports whether id is a valid session ID: either a UUID
// (ephemeral) or a well-formed colon tuple (persistent) with no
// path-traversal segments.
func IsValid(id string) bool {
	if IsEphemeral(id) {
		return true
	}
	_, err := Parse(id)
	return err == nil
}

// IsEphemeral reports whether id is the UUID session form, whose
// workspace lives only for the turn that created it.
func IsEphemeral(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Parse splits a persistent session ID into its parts, rejecting any
// path-traversal segment (".", "..", or anything containing a path
// separator; segmentRe already excludes "/" and "\\").
func Parse(id string) (Parts, error) {
	segs := strings.Split(id, ":")
	if len(segs) < 3 || len(segs) > 4 {
		return Parts{}, fmt.Errorf("session: %q is not a valid agent:channel:scope[:thread] tuple", id)
	}
	for _, s := range segs {
		if s == "" || s == "." || s == ".." || !segmentRe.MatchString(s) {
			return Parts{}, fmt.Errorf("session: invalid or traversal segment %q in %q", s, id)
		}
	}
	p := Parts{Agent: segs[0], Channel: segs[1], Scope: segs[2]}
	if len(segs) == 4 {
		p.Thread = segs[3]
	}
	return p, nil
}

// WorkspacePath derives the filesystem workspace path for a session ID
// under dataDir. UUID session IDs map to a flat directory; tuple session
// IDs map colons to path separators.
func WorkspacePath(dataDir, sessionID string) (string, error) {
	if IsEphemeral(sessionID) {
		return filepath.Join(dataDir, "workspaces", sessionID), nil
	}
	parts, err := Parse(sessionID)
	if err != nil {
		return "", err
	}
	segs := []string{parts.Agent, parts.Channel, parts.Scope}
	if parts.Thread != "" {
		segs = append(segs, parts.Thread)
	}
	return filepath.Join(append([]string{dataDir, "workspaces"}, segs...)...), nil
}
