package actor

import "strings"

// RootGuardianID names the implicit top-level actor that owns every
// directly-registered (non-child) actor in a system. RegisterWithSystem
// creates no guardian actor and does not prefix paths with this name: a
// directly-registered actor's path is its ID, and a child's path is its
// parent's path plus "/" and its own ID.
const RootGuardianID = "user"

// JoinPath appends a child segment to a parent path.
func JoinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "/" + child
}

// SplitPath breaks a path into its "/"-delimited segments.
func SplitPath(path string) []string {
	return strings.Split(path, "/")
}

// QualifyPath prefixes a local actor path with a node address, producing
// "addr/" followed by localPath, or localPath unchanged when nodeAddr is
// empty.
func QualifyPath(nodeAddr, localPath string) string {
	if nodeAddr == "" {
		return localPath
	}
	return nodeAddr + "/" + localPath
}
