package signer

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// The signer service speaks google.protobuf.Struct messages so it needs no
// generated code. Field names follow the JSON wire names below.
const (
	serviceName = "meridian.signer.v1.SignerService"

	methodSignOrder        = "/" + serviceName + "/SignOrder"
	methodSignMessage      = "/" + serviceName + "/SignMessage"
	methodGetSessionStatus = "/" + serviceName + "/GetSessionStatus"
)

// SignerService is implemented by Handler.
type SignerService interface {
	SignOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SignMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSessionStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(SignerService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SignerService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(SignerService), ctx, req.(*structpb.Struct))
		})
	}
}

// serviceDesc registers SignerService on a grpc.Server.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SignerService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SignOrder",
			Handler:    unaryHandler(methodSignOrder, SignerService.SignOrder),
		},
		{
			MethodName: "SignMessage",
			Handler:    unaryHandler(methodSignMessage, SignerService.SignMessage),
		},
		{
			MethodName: "GetSessionStatus",
			Handler:    unaryHandler(methodGetSessionStatus, SignerService.GetSessionStatus),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meridian/signer/v1/signer.proto",
}

// --- Wire encoding ---

func domainStruct(d adapter.OrderDomain) map[string]any {
	return map[string]any{
		"name":               d.Name,
		"version":            d.Version,
		"chain_id":           float64(d.ChainID),
		"verifying_contract": d.VerifyingContract,
	}
}

func orderStruct(o adapter.SignableOrder) map[string]any {
	return map[string]any{
		"salt":           o.Salt,
		"maker":          o.Maker,
		"signer":         o.Signer,
		"taker":          o.Taker,
		"token_id":       o.TokenID,
		"maker_amount":   o.MakerAmount,
		"taker_amount":   o.TakerAmount,
		"expiration":     o.Expiration,
		"nonce":          o.Nonce,
		"fee_rate_bps":   o.FeeRateBps,
		"side":           float64(o.Side),
		"signature_type": float64(o.SignatureType),
	}
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func smallUint(s *structpb.Struct, key string) (uint8, error) {
	v := num(s, key)
	if v < 0 || v > math.MaxUint8 || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: %s %v", ErrInvalidOrder, key, v)
	}
	return uint8(v), nil
}

func decodeDomain(s *structpb.Struct) (adapter.OrderDomain, error) {
	if s == nil {
		return adapter.OrderDomain{}, fmt.Errorf("%w: domain is required", ErrInvalidOrder)
	}
	chain := num(s, "chain_id")
	if chain <= 0 || chain != math.Trunc(chain) {
		return adapter.OrderDomain{}, fmt.Errorf("%w: chain_id %v", ErrInvalidOrder, chain)
	}
	return adapter.OrderDomain{
		Name:              str(s, "name"),
		Version:           str(s, "version"),
		ChainID:           int64(chain),
		VerifyingContract: str(s, "verifying_contract"),
	}, nil
}

func decodeOrder(s *structpb.Struct) (adapter.SignableOrder, error) {
	if s == nil {
		return adapter.SignableOrder{}, fmt.Errorf("%w: order is required", ErrInvalidOrder)
	}
	side, err := smallUint(s, "side")
	if err != nil {
		return adapter.SignableOrder{}, err
	}
	sigType, err := smallUint(s, "signature_type")
	if err != nil {
		return adapter.SignableOrder{}, err
	}
	return adapter.SignableOrder{
		Salt:          str(s, "salt"),
		Maker:         str(s, "maker"),
		Signer:        str(s, "signer"),
		Taker:         str(s, "taker"),
		TokenID:       str(s, "token_id"),
		MakerAmount:   str(s, "maker_amount"),
		TakerAmount:   str(s, "taker_amount"),
		Expiration:    str(s, "expiration"),
		Nonce:         str(s, "nonce"),
		FeeRateBps:    str(s, "fee_rate_bps"),
		Side:          side,
		SignatureType: sigType,
	}, nil
}
