package enrich

import (
	"context"

	"github.com/ashureev/farmreg/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct envelopes.
const ServiceName = "farmreg.enrichment.v1.Enrichment"

const (
	similarityMethod = "/" + ServiceName + "/SimilaritySearch"
	sentimentMethod  = "/" + ServiceName + "/ClassifySentiment"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Enricher)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SimilaritySearch", Handler: similarityHandler},
		{MethodName: "ClassifySentiment", Handler: sentimentHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "farmreg/enrichment/v1/enrichment.proto",
}

// RegisterServer exposes e on s.
func RegisterServer(s grpc.ServiceRegistrar, e Enricher) {
	s.RegisterService(&serviceDesc, e)
}

func similarityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return serveSimilarity(ctx, srv.(Enricher), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: similarityMethod}
	return interceptor(ctx, in, info, call)
}

func sentimentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return serveSentiment(ctx, srv.(Enricher), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sentimentMethod}
	return interceptor(ctx, in, info, call)
}

func serveSimilarity(ctx context.Context, e Enricher, req *structpb.Struct) (*structpb.Struct, error) {
	text := req.GetFields()["text"].GetStringValue()
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "text is required")
	}
	topK := int(req.GetFields()["top_k"].GetNumberValue())
	snippets, err := e.SimilaritySearch(ctx, text, topK)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "similarity search: %v", err)
	}
	return encodeSnippets(snippets)
}

func serveSentiment(ctx context.Context, e Enricher, req *structpb.Struct) (*structpb.Struct, error) {
	text := req.GetFields()["text"].GetStringValue()
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "text is required")
	}
	sentiment, err := e.ClassifySentiment(ctx, text)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "classify sentiment: %v", err)
	}
	if sentiment == nil {
		return &structpb.Struct{}, nil
	}
	return structpb.NewStruct(map[string]any{"label": sentiment.Label, "score": sentiment.Score})
}

func encodeSnippets(snippets []domain.Snippet) (*structpb.Struct, error) {
	list := make([]any, 0, len(snippets))
	for _, s := range snippets {
		list = append(list, map[string]any{"text": s.Text, "score": s.Score})
	}
	return structpb.NewStruct(map[string]any{"snippets": list})
}

func decodeSnippets(resp *structpb.Struct) []domain.Snippet {
	values := resp.GetFields()["snippets"].GetListValue().GetValues()
	out := make([]domain.Snippet, 0, len(values))
	for _, v := range values {
		fields := v.GetStructValue().GetFields()
		text := fields["text"].GetStringValue()
		if text == "" {
			continue
		}
		out = append(out, domain.Snippet{Text: text, Score: fields["score"].GetNumberValue()})
	}
	return out
}

func decodeSentiment(resp *structpb.Struct) *domain.Sentiment {
	fields := resp.GetFields()
	label := fields["label"].GetStringValue()
	if label == "" {
		return nil
	}
	return &domain.Sentiment{Label: label, Score: fields["score"].GetNumberValue()}
}
