// Package pagelist is a crawl definition for a fixed list of HTML pages. It
// honors robots.txt and a host blocklist, follows rel="next" pagination and
// emits one item per page with its title and outgoing links.
package pagelist
