package grpcapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// IdempotencyMetadataKey: ключ метаданных, по которому повторный вызов получает сохранённый итог.
const IdempotencyMetadataKey = "idempotency-key"

const storeKeyPrefix = "grpc:"

// mutating: методы, итог которых запоминается.
var mutating = map[string]bool{
	MethodReserve: true,
	MethodConfirm: true,
	MethodCancel:  true,
	MethodExtend:  true,
}

// IdempotencyInterceptor выполняет мутирующий вызов один раз на ключ idempotency-key.
// Повтор с тем же ключом и телом получает сохранённый ответ или отказ, с другим телом AlreadyExists.
// Вызовы без ключа проходят как есть.
func IdempotencyInterceptor(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		key := metadataKey(ctx)
		msg, ok := req.(proto.Message)
		if repo == nil || key == "" || !ok || !mutating[info.FullMethod] {
			return handler(ctx, req)
		}

		hash, err := fingerprint(info.FullMethod, msg)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "idempotency fingerprint: %v", err)
		}
		claim := domain.IdempotencyClaim{Key: storeKeyPrefix + key, RequestHash: hash}
		if ttl > 0 {
			claim.ExpiresAt = time.Now().UTC().Add(ttl)
		}

		entry := logger.WithFields(log.Fields{"idempotency_key": key, "method": info.FullMethod})
		record, err := repo.Claim(ctx, claim)
		if err != nil {
			return replay(err, record, entry)
		}

		resp, runErr := handler(ctx, req)
		// клиент мог уйти, итог всё равно нужно записать
		settle(context.WithoutCancel(ctx), repo, claim.Key, resp, runErr, entry)
		return resp, runErr
	}
}

func replay(claimErr error, record domain.IdempotencyRecord, logger *log.Entry) (any, error) {
	switch {
	case errors.Is(claimErr, domain.ErrIdempotencyHashMismatch):
		return nil, status.Error(codes.AlreadyExists, "idempotency key reused with a different request")
	case !errors.Is(claimErr, domain.ErrIdempotencyKeyTaken):
		logger.WithError(claimErr).Warn("claim idempotency key")
		return nil, status.Error(codes.Internal, "idempotency store unavailable")
	}

	switch record.Status {
	case domain.IdempotencyInFlight:
		return nil, status.Error(codes.Aborted, "call with this idempotency key is still running")
	case domain.IdempotencyCompleted:
		resp := new(structpb.Struct)
		if err := proto.Unmarshal(record.Body, resp); err != nil {
			logger.WithError(err).Warn("decode stored response")
			return nil, status.Error(codes.Internal, "stored response is corrupted")
		}
		return resp, nil
	case domain.IdempotencyRejected:
		return nil, storedError(record)
	default:
		return nil, status.Errorf(codes.Internal, "idempotency record in state %q", record.Status)
	}
}

// settle запоминает итог вызова. Временные ошибки ключ освобождают, чтобы клиент мог повторить.
func settle(ctx context.Context, repo domain.IdempotencyRepository, key string, resp any, runErr error, logger *log.Entry) {
	outcome, keep := outcomeOf(resp, runErr)
	var err error
	if keep {
		err = repo.Resolve(ctx, key, outcome)
	} else {
		err = repo.Release(ctx, key)
	}
	if err != nil {
		logger.WithError(err).Warn("settle idempotency key")
	}
}

func outcomeOf(resp any, runErr error) (domain.IdempotencyOutcome, bool) {
	if runErr == nil {
		msg, ok := resp.(proto.Message)
		if !ok {
			return domain.IdempotencyOutcome{}, false
		}
		body, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
		if err != nil {
			return domain.IdempotencyOutcome{}, false
		}
		return domain.Completed(int(codes.OK), body), true
	}

	st := status.Convert(runErr)
	switch st.Code() {
	case codes.Unknown, codes.Internal, codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return domain.IdempotencyOutcome{}, false
	}
	body, err := proto.Marshal(st.Proto())
	if err != nil {
		return domain.IdempotencyOutcome{}, false
	}
	return domain.Rejected(int(st.Code()), body), true
}

// storedError восстанавливает сохранённый отказ. Без тела остаётся только код.
func storedError(record domain.IdempotencyRecord) error {
	var st spb.Status
	if err := proto.Unmarshal(record.Body, &st); err == nil && st.GetCode() != int32(codes.OK) {
		return status.ErrorProto(&st)
	}
	if record.Code > int(codes.OK) && record.Code <= int(codes.Unauthenticated) {
		return status.Error(codes.Code(record.Code), "previous call with this idempotency key failed") //nolint:gosec // проверено выше
	}
	return status.Error(codes.Internal, "previous call with this idempotency key failed")
}

func metadataKey(ctx context.Context) string {
	if values := metadata.ValueFromIncomingContext(ctx, IdempotencyMetadataKey); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// fingerprint: хеш метода и детерминированно сериализованного запроса.
func fingerprint(method string, msg proto.Message) (string, error) {
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
