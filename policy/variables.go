// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package policy

import "regexp"

// ThingNameVariable substitutes to the session Thing's name.
const ThingNameVariable = "${iot:Connection.Thing.ThingName}"

// thingAttributeVariable matches ${iot:Connection.Thing.Attributes[key]}
// and captures the attribute key.
var thingAttributeVariable = regexp.MustCompile(`^\$\{iot:Connection\.Thing\.Attributes\[([a-zA-Z0-9]+)\]\}$`)

// variablePattern finds every ${...} token in a resource string,
// non-greedily, whether or not it names a known variable.
var variablePattern = regexp.MustCompile(`\$\{.*?\}`)

// ExtractVariables returns every ${...} token appearing in the resource.
func ExtractVariables(resource string) []string {
	return variablePattern.FindAllString(resource, -1)
}

// IsKnownVariable reports whether the token is one of the recognized
// policy variables.
func IsKnownVariable(token string) bool {
	if token == ThingNameVariable {
		return true
	}
	return thingAttributeVariable.MatchString(token)
}

// AttributeKey returns the captured attribute key of a
// ${iot:Connection.Thing.Attributes[key]} token.
func AttributeKey(token string) (string, bool) {
	m := thingAttributeVariable.FindStringSubmatch(token)
	if m == nil {
		return "", false
	}
	return m[1], true
}
