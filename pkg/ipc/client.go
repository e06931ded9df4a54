package ipc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin wrapper around a gRPC connection to the IPC socket:
// a Unix-domain dial carrying the JSON codec from codec.go.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a urpmd IPC socket at path.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	resp := new(SearchResponse)
	if err := c.invoke(ctx, "Search", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetPackageInfo(ctx context.Context, req *PackageInfoRequest) (*PackageInfoResponse, error) {
	resp := new(PackageInfoResponse)
	if err := c.invoke(ctx, "GetPackageInfo", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ResolvePackages(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	resp := new(ResolveResponse)
	if err := c.invoke(ctx, "ResolvePackages", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) InstallPackages(ctx context.Context, req *InstallRequest) (*OperationResponse, error) {
	resp := new(OperationResponse)
	if err := c.invoke(ctx, "InstallPackages", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RemovePackages(ctx context.Context, req *RemoveRequest) (*OperationResponse, error) {
	resp := new(OperationResponse)
	if err := c.invoke(ctx, "RemovePackages", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) UpgradePackages(ctx context.Context, req *UpgradeRequest) (*OperationResponse, error) {
	resp := new(OperationResponse)
	if err := c.invoke(ctx, "UpgradePackages", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RefreshMetadata(ctx context.Context, req *RefreshMetadataRequest) (*RefreshMetadataResponse, error) {
	resp := new(RefreshMetadataResponse)
	if err := c.invoke(ctx, "RefreshMetadata", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetUpdates(ctx context.Context) (*GetUpdatesResponse, error) {
	resp := new(GetUpdatesResponse)
	if err := c.invoke(ctx, "GetUpdates", &GetUpdatesRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) PreviewInstall(ctx context.Context, req *PreviewInstallRequest) (*PreviewInstallResponse, error) {
	resp := new(PreviewInstallResponse)
	if err := c.invoke(ctx, "PreviewInstall", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CancelOperation(ctx context.Context, req *CancelOperationRequest) (*CancelOperationResponse, error) {
	resp := new(CancelOperationResponse)
	if err := c.invoke(ctx, "CancelOperation", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// EventStream is the client-side read end of Subscribe.
type EventStream struct {
	stream grpc.ClientStream
}

// Subscribe opens the OperationProgress/OperationComplete event stream,
// sends the opening SubscribeRequest, and returns a stream the caller
// reads StreamEvents from via Recv until it returns an error (io.EOF on
// clean server-side close).
func (c *Client) Subscribe(ctx context.Context, req *SubscribeRequest) (*EventStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Subscribe")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// Recv blocks for the next event on the stream.
func (es *EventStream) Recv() (*StreamEvent, error) {
	ev := new(StreamEvent)
	if err := es.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
