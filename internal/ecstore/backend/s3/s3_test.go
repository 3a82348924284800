// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/asch/ecstore/internal/ecstore/backend"
)

var _ backend.Backend = (*S3)(nil)

func TestEncodeSpreadsPrefixes(t *testing.T) {
	tests := []struct {
		key  int64
		want string
	}{
		{0, "00000000/00000000"},
		{1, "00000001/00000000"},
		{2, "00000002/00000000"},
		{1 << 32, "00000000/00000001"},
		{1<<32 + 0xab, "000000ab/00000001"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, encode(tt.key), "key %d", tt.key)
	}
}

func TestObjectKeys(t *testing.T) {
	s := &S3{prefix: "run1/"}

	require.Equal(t, "run1/00000005/00000000", s.recordKey(5))
	require.Equal(t, "run1/meta/%2Fdir%2Ffile", s.metadataKey("/dir/file"))
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no such key", awserr.New(s3.ErrCodeNoSuchKey, "missing", nil), true},
		{"head not found", awserr.NewRequestFailure(awserr.New("NotFound", "", nil), http.StatusNotFound, "id"), true},
		{"wrapped", fmt.Errorf("fetch: %w", awserr.New(s3.ErrCodeNoSuchKey, "", nil)), true},
		{"forbidden", awserr.NewRequestFailure(awserr.New("Forbidden", "", nil), http.StatusForbidden, "id"), false},
		{"plain", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}
