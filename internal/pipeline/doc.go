// Package pipeline runs the control loop: acquire a depth field, score the
// region grid, select a region, map it to a command and dispatch it.
//
// This package is the composition root for a cycle. It imports depth,
// occupancy and command but none of those import pipeline. Storage,
// monitoring and streaming attach as Observers and never influence the
// command that is sent.
package pipeline
