// Package model holds the value types shared by the coordinator packages:
// configurations and their immutable revisions, build and group build
// records, statuses and build classes.
package model
