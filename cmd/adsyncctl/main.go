package main

import "github.com/scimbridge/adsync/internal/ctl"

func main() {
	ctl.Execute()
}
