// Copyright (c) 2026 The Meridian developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/meridianchain/mrdd/chaincfg"
)

// activeNetParams is a pointer to the parameters specific to the currently
// active Meridian network.
var activeNetParams = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params

	// netName is the name used when referring to the network in directory
	// and file names.
	netName string
}

// mainNetParams contains parameters specific to the main network.
var mainNetParams = params{
	Params:  &chaincfg.MainNetParams,
	netName: "mainnet",
}

// testNet3Params contains parameters specific to the test network (version
// 3).
var testNet3Params = params{
	Params:  &chaincfg.TestNet3Params,
	netName: "testnet3",
}

// simNetParams contains parameters specific to the simulation test network.
var simNetParams = params{
	Params:  &chaincfg.SimNetParams,
	netName: "simnet",
}
