package grpcclient

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-similarity/internal/extractor"
	"github.com/example/face-similarity/internal/logging"
)

const (
	serviceName   = "facerecognition.FeatureExtractor"
	extractMethod = "/" + serviceName + "/Extract"

	upsampleKey = "x-upsample"
	jittersKey  = "x-jitters"

	maxMessageSize = 64 << 20
)

// DialExtractor returns a ready-to-use feature extractor backed by a remote gRPC service.
func DialExtractor(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (extractor.Extractor, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(maxMessageSize),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
		),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_extractor", "", err)
		logger.Error("failed to dial feature extractor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewExtractor(conn, logger), conn, nil
}

// NewExtractor wraps an existing connection.
func NewExtractor(conn grpc.ClientConnInterface, logger *zap.Logger) extractor.Extractor {
	return &grpcExtractor{conn: conn, logger: logger.Named("extractor_client")}
}

type grpcExtractor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcExtractor) Extract(ctx context.Context, img *image.RGBA, cfg extractor.Config) ([]extractor.Face, error) {
	requestID := logging.RequestIDFromContext(ctx)

	payload, err := encodePNG(img)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_image", requestID, err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		upsampleKey, strconv.Itoa(cfg.Upsample),
		jittersKey, strconv.Itoa(cfg.Jitters),
	)

	resp := &structpb.ListValue{}
	if err := g.conn.Invoke(ctx, extractMethod, wrapperspb.Bytes(payload), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.extract", requestID, err)
		g.logger.Error("feature extractor call failed", zap.Error(wrapped), zap.Int("payload_bytes", len(payload)))
		return nil, wrapped
	}

	faces, err := FacesFromList(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_reply", requestID, err)
	}
	return faces, nil
}

func encodePNG(img *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
