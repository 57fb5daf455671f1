// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command smactl inspects and exercises a persistent allocator-backed
// store file directly from the command line.
package main

func main() {
	execute()
}
