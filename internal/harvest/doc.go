// Package harvest defines the core types and interfaces of the branch harvester:
// the project → repository → branch hierarchy, the flattened output row, the
// resumable unit of work, and the collaborators the crawl engine depends on.
package harvest
