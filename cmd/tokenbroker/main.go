package main

import "github.com/rhavekost/orthanc-dicomweb-oauth-sub002/internal/cli"

// version is set during build with -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
