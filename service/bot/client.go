// Package bot fetches the preset question tree shown before a client is
// handed to an operator. The tree lives on the HTTP API, not the chat
// channel, so this client is independent of the websocket session.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"WProject/tools/errs"
)

// Answer is one selectable option under a node. Next is empty on leaves.
type Answer struct {
	Label string `json:"label"`
	Next  string `json:"next,omitempty"`
}

// QuestionNode is one step of the preset tree.
type QuestionNode struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Answers  []Answer `json:"answers,omitempty"`
}

// RootNodeID names the tree entry point.
const RootNodeID = "root"

type Client struct {
	base string
	hc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch loads one node of the tree. Unknown ids come back as ErrMalformedEvent
// so callers can fall back to the root node.
func (c *Client) Fetch(ctx context.Context, nodeID string) (*QuestionNode, error) {
	if nodeID == "" {
		nodeID = RootNodeID
	}
	u := fmt.Sprintf("%s/bot/questions/%s", c.base, url.PathEscape(nodeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.Wrapf(err, "build request for node %s", nodeID)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errs.ErrTransport.WithDetail(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.ErrMalformedEvent.WithDetail("unknown question node " + nodeID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.ErrTransport.WithDetail(fmt.Sprintf("bot api status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(err, "read bot response")
	}
	node := &QuestionNode{}
	if err := json.Unmarshal(body, node); err != nil {
		return nil, errs.ErrMalformedEvent.WithDetail(err.Error())
	}
	if node.ID == "" {
		node.ID = nodeID
	}
	return node, nil
}
