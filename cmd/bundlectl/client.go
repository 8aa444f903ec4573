package main

import (
	"context"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/jsonrpcserver"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

type bundleClient struct {
	client jsonrpc.RPCClient
}

func newBundleClient(url, origin string, highPriority bool) *bundleClient {
	headers := make(map[string]string)
	if origin != "" {
		headers[jsonrpcserver.OriginHeader] = origin
	}
	if highPriority {
		headers[jsonrpcserver.HighPriorityHeader] = "true"
	}
	return &bundleClient{
		client: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{CustomHeaders: headers}),
	}
}

func (c *bundleClient) SendBundle(ctx context.Context, txs []string, opts *bundlestage.SendBundleOptions) (bundlestage.BundleID, error) {
	var id bundlestage.BundleID
	err := c.client.CallFor(ctx, &id, bundlestage.SendBundleEndpointName, txs, opts)
	log.Debug("Sent bundle", zap.String("bundle", id.String()), zap.Error(err))
	return id, err
}

func (c *bundleClient) GetBundleStatuses(ctx context.Context, ids []bundlestage.BundleID) ([]*bundlestage.BundleStatus, error) {
	var statuses []*bundlestage.BundleStatus
	// a lone slice would be sent as the params array itself
	err := c.client.CallFor(ctx, &statuses, bundlestage.GetBundleStatusesEndpointName, []any{ids})
	return statuses, err
}

func (c *bundleClient) GetTipAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	err := c.client.CallFor(ctx, &accounts, bundlestage.GetTipAccountsEndpointName)
	return accounts, err
}

func (c *bundleClient) CancelBundle(ctx context.Context, id bundlestage.BundleID) error {
	resp, err := c.client.Call(ctx, bundlestage.CancelBundleEndpointName, id)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}
