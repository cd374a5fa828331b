// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import "strings"

// ShouldJoin reports whether a room invitation should be accepted. Each
// candidate identifier (room ID, any known alias, inviter user ID) is
// checked against each allow-pattern; one hit is enough. An empty pattern
// list never joins.
//
// A pattern is either a literal identifier compared case-insensitively,
// or a domain wildcard of the form <sigil>*:<domain> that matches any
// candidate with the same sigil and domain, e.g. "!*:example.org".
func ShouldJoin(patterns, candidates []string) bool {
	for _, pattern := range patterns {
		for _, candidate := range candidates {
			if matchJoinPattern(pattern, candidate) {
				return true
			}
		}
	}
	return false
}

func matchJoinPattern(pattern, candidate string) bool {
	if pattern == "" || candidate == "" {
		return false
	}
	if len(pattern) > 2 && pattern[1] == '*' && pattern[2] == ':' {
		if candidate[0] != pattern[0] {
			return false
		}
		return strings.EqualFold(domainOf(candidate), pattern[3:])
	}
	return strings.EqualFold(pattern, candidate)
}

// domainOf returns the server part of a Matrix identifier: everything
// after the first colon.
func domainOf(identifier string) string {
	_, domain, _ := strings.Cut(identifier, ":")
	return domain
}
