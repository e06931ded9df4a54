package ipc

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the gRPC service path component
// ("/urpmd.ipc.UrpmdIPC/Method").
const serviceName = "urpmd.ipc.UrpmdIPC"

// handler is the interface every Server implementation must satisfy;
// passed as ServiceDesc.HandlerType so grpc.Server.RegisterService can
// verify the concrete type at registration time, the same safety check
// a .proto-generated _ServiceServer interface gives a normal gRPC
// service.
type handler interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
	GetPackageInfo(ctx context.Context, req *PackageInfoRequest) (*PackageInfoResponse, error)
	ResolvePackages(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error)
	InstallPackages(ctx context.Context, req *InstallRequest) (*OperationResponse, error)
	RemovePackages(ctx context.Context, req *RemoveRequest) (*OperationResponse, error)
	UpgradePackages(ctx context.Context, req *UpgradeRequest) (*OperationResponse, error)
	RefreshMetadata(ctx context.Context, req *RefreshMetadataRequest) (*RefreshMetadataResponse, error)
	GetUpdates(ctx context.Context, req *GetUpdatesRequest) (*GetUpdatesResponse, error)
	PreviewInstall(ctx context.Context, req *PreviewInstallRequest) (*PreviewInstallResponse, error)
	CancelOperation(ctx context.Context, req *CancelOperationRequest) (*CancelOperationResponse, error)
	subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

// serviceDesc wires one MethodDesc per unary verb and one StreamDesc
// for the OperationProgress/OperationComplete event feed (Subscribe),
// hand-built because the messages are plain structs with no
// .proto-generated descriptor.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: searchHandler},
		{MethodName: "GetPackageInfo", Handler: getPackageInfoHandler},
		{MethodName: "ResolvePackages", Handler: resolvePackagesHandler},
		{MethodName: "InstallPackages", Handler: installPackagesHandler},
		{MethodName: "RemovePackages", Handler: removePackagesHandler},
		{MethodName: "UpgradePackages", Handler: upgradePackagesHandler},
		{MethodName: "RefreshMetadata", Handler: refreshMetadataHandler},
		{MethodName: "GetUpdates", Handler: getUpdatesHandler},
		{MethodName: "PreviewInstall", Handler: previewInstallHandler},
		{MethodName: "CancelOperation", Handler: cancelOperationHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pkg/ipc/service.go",
}

func searchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SearchRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).Search(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Search"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).Search(ctx, r.(*SearchRequest))
	})
}

func getPackageInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PackageInfoRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).GetPackageInfo(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetPackageInfo"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).GetPackageInfo(ctx, r.(*PackageInfoRequest))
	})
}

func resolvePackagesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ResolveRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).ResolvePackages(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ResolvePackages"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).ResolvePackages(ctx, r.(*ResolveRequest))
	})
}

func installPackagesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(InstallRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).InstallPackages(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallPackages"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).InstallPackages(ctx, r.(*InstallRequest))
	})
}

func removePackagesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RemoveRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).RemovePackages(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RemovePackages"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).RemovePackages(ctx, r.(*RemoveRequest))
	})
}

func upgradePackagesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(UpgradeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).UpgradePackages(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpgradePackages"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).UpgradePackages(ctx, r.(*UpgradeRequest))
	})
}

func refreshMetadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RefreshMetadataRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).RefreshMetadata(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RefreshMetadata"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).RefreshMetadata(ctx, r.(*RefreshMetadataRequest))
	})
}

func getUpdatesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetUpdatesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).GetUpdates(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetUpdates"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).GetUpdates(ctx, r.(*GetUpdatesRequest))
	})
}

func previewInstallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PreviewInstallRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).PreviewInstall(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PreviewInstall"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).PreviewInstall(ctx, r.(*PreviewInstallRequest))
	})
}

func cancelOperationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CancelOperationRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handler).CancelOperation(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CancelOperation"}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(handler).CancelOperation(ctx, r.(*CancelOperationRequest))
	})
}

// subscribeHandler adapts grpc's raw ServerStream into the handler's
// subscribe method: it reads the single SubscribeRequest the client
// sends to open the stream, then hands control to subscribe for the
// stream's lifetime.
func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(handler).subscribe(req, stream)
}
