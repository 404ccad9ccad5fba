// Package downloader fetches files with bounded concurrency and resumes
// interrupted transfers.
//
// Each job probes the remote file with HEAD, then streams it into
// "<target>.tmp" using byte-range requests when a partial temp file exists.
// The temp file's size is the resume cursor. A finished transfer is renamed
// onto the target path.
package downloader
