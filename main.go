// lirevox turns French-language PDFs into audio-ready sentences through a
// durable, parallel, credit-accounted processing pipeline.
package main

import (
	"lirevox.dev/cli"
)

func main() {
	cli.Execute()
}
