// Package artifacts keeps the side artifacts of a schema in a blob store:
// its description text, a compressed archive of its files and cached
// reports. All artifacts of a schema share one name prefix, so they can be
// removed together when the schema is deleted.
package artifacts
