package grpcclient

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strconv"

	"golang.org/x/image/draw"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-similarity/internal/extractor"
)

var extractorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*extractor.Extractor)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Extract", Handler: extractHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "facerecognition/extractor.proto",
}

// RegisterExtractorServer serves impl with the wire format DialExtractor speaks.
// It exists for in-process extractors, such as local models and test doubles;
// the production model is a separate service.
func RegisterExtractorServer(s grpc.ServiceRegistrar, impl extractor.Extractor) {
	s.RegisterService(&extractorServiceDesc, impl)
}

func extractHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		return serveExtract(ctx, srv.(extractor.Extractor), req.(*wrapperspb.BytesValue))
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: extractMethod}
	return interceptor(ctx, in, info, handle)
}

func serveExtract(ctx context.Context, impl extractor.Extractor, in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	decoded, err := png.Decode(bytes.NewReader(in.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode image: %v", err)
	}
	img, ok := decoded.(*image.RGBA)
	if !ok {
		img = image.NewRGBA(image.Rect(0, 0, decoded.Bounds().Dx(), decoded.Bounds().Dy()))
		draw.Draw(img, img.Bounds(), decoded, decoded.Bounds().Min, draw.Src)
	}

	faces, err := impl.Extract(ctx, img, configFromMetadata(ctx))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "extract: %v", err)
	}
	list, err := FacesToList(faces)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode faces: %v", err)
	}
	return list, nil
}

func configFromMetadata(ctx context.Context) extractor.Config {
	cfg := extractor.DefaultConfig()
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return cfg
	}
	if v := md.Get(upsampleKey); len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil {
			cfg.Upsample = n
		}
	}
	if v := md.Get(jittersKey); len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil {
			cfg.Jitters = n
		}
	}
	return cfg
}
