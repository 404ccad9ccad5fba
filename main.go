// Command crawlkit runs crawls and resumable downloads.
package main

import "github.com/JakeFAU/crawlkit/cmd"

func main() {
	cmd.Execute()
}
