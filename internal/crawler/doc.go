// Package crawler runs fetch and parse pipelines on top of the scheduler.
//
// A Definition supplies tasks, builds one request per task and parses the
// response into storage items. The Engine fetches tasks with bounded
// concurrency, pushes results onto a bounded down-queue and parses them on a
// separate worker pool. It detects completion when the task source is
// exhausted and the last live task retires, regardless of the order in which
// concurrent tasks finish.
package crawler
