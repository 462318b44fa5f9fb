// Package git checks out the source a build configuration revision points
// at: clone into the build workspace (or update an existing checkout in a
// persistent workspace), then detach at the requested branch, tag or commit.
package git
