// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/wardenfs/warden/lib/config"
)

type APIClient interface {
	Get(url string) (*http.Response, error)
	Post(url, body string) (*http.Response, error)
	Delete(url string) (*http.Response, error)
}

type apiClient struct {
	http.Client
	socket string
}

type apiClientFactory struct {
	socket string
}

func (f *apiClientFactory) getClient() (APIClient, error) {
	socket := f.socket
	if socket == "" {
		socket = config.DefaultSocket()
	}

	httpClient := http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socket)
			},
		},
	}
	return &apiClient{
		Client: httpClient,
		socket: socket,
	}, nil
}

func (c *apiClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon on %s: %w", c.socket, err)
	}
	return resp, checkResponse(resp)
}

func (c *apiClient) Get(url string) (*http.Response, error) {
	request, err := http.NewRequest(http.MethodGet, "http://unix/rest/"+url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(request)
}

func (c *apiClient) Post(url, body string) (*http.Response, error) {
	request, err := http.NewRequest(http.MethodPost, "http://unix/rest/"+url, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	return c.Do(request)
}

func (c *apiClient) Delete(url string) (*http.Response, error) {
	request, err := http.NewRequest(http.MethodDelete, "http://unix/rest/"+url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(request)
}

func checkResponse(response *http.Response) error {
	if response.StatusCode == http.StatusOK {
		return nil
	}

	data, err := responseToBArray(response)
	if err != nil {
		return err
	}
	var structured struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &structured); err == nil && structured.Error != "" {
		return fmt.Errorf("daemon reported: %s", structured.Error)
	}
	body := strings.TrimSpace(string(data))
	return fmt.Errorf("unexpected HTTP status returned: %s\n%s", response.Status, body)
}

func responseToBArray(response *http.Response) ([]byte, error) {
	bs, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	return bs, response.Body.Close()
}
