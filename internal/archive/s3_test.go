package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/settlement"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func testResult() *settlement.Result {
	return &settlement.Result{
		MarketID:   "m1",
		Resolution: model.ResolvedA,
		PoolA:      decimal.NewFromInt(600),
		PoolB:      decimal.NewFromInt(400),
		HouseCut:   decimal.NewFromInt(20),
		ResolvedAt: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestArchive_WritesReceipt(t *testing.T) {
	p := &fakePutter{}
	a := newArchiver(p, "receipts", "")

	if err := a.Archive(context.Background(), testResult()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(p.in.Key); got != "settlements/m1/20260301T123000Z.json" {
		t.Errorf("key = %s", got)
	}
	if got := aws.ToString(p.in.Bucket); got != "receipts" {
		t.Errorf("bucket = %s", got)
	}

	var res settlement.Result
	if err := json.Unmarshal(p.body, &res); err != nil {
		t.Fatalf("receipt is not JSON: %v", err)
	}
	if res.Resolution != model.ResolvedA || !res.HouseCut.Equal(decimal.NewFromInt(20)) {
		t.Errorf("unexpected receipt: %+v", res)
	}
}

func TestArchive_PutError(t *testing.T) {
	boom := errors.New("access denied")
	a := newArchiver(&fakePutter{err: boom}, "receipts", "custom")

	err := a.Archive(context.Background(), testResult())
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestNewS3Archiver_RequiresBucketAndRegion(t *testing.T) {
	if _, err := NewS3Archiver(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Error("expected error without bucket")
	}
	if _, err := NewS3Archiver(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Error("expected error without region")
	}
}
