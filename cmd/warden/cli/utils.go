// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func dumpOutput(relURL string, ctx Context) error {
	client, err := ctx.clientFactory.getClient()
	if err != nil {
		return err
	}
	response, err := client.Get(relURL)
	if err != nil {
		return err
	}
	return prettyPrintResponse(response)
}

func prettyPrintResponse(response *http.Response) error {
	bs, err := responseToBArray(response)
	if err != nil {
		return err
	}
	var data interface{}
	if err := json.Unmarshal(bs, &data); err != nil {
		return err
	}
	// TODO: global --json flag to print unformatted
	bs, err = json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(bs))
	return nil
}
