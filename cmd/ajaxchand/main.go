// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/n0ot/ajaxchan/cmd/ajaxchand/commands"

func main() {
	commands.Execute()
}
