// Package catalog manages the brochure records the API serves: products,
// headline stats, blog post previews and showcase projects.
//
// The core components are:
//   - [Catalog]: the JSON document, validated before it is ever served
//   - [Manager]: stores the active snapshot using atomic.Pointer for lock-free reads
//   - [Loader]: fetches a catalog from S3 by the digest published in SSM, optionally
//     checking a detached KMS signature
//   - [Watcher]: polls SSM for digest changes and hot-swaps catalogs into the Manager
//
// An embedded seed catalog is always available so the server can start
// without AWS access.
package catalog
