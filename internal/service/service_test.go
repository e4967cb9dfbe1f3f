package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/collection-registry/internal/service"
)

func TestWithNamespace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		namespace string
		wantErr   bool
	}{
		{name: "valid namespace", namespace: "acme"},
		{name: "empty namespace", namespace: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			collections := &service.ListCollectionsOptions{}
			err := service.WithNamespace[service.ListCollectionsOptions](tt.namespace)(collections)
			if tt.wantErr {
				require.ErrorIs(t, err, service.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.namespace, collections.Namespace)

			index := &service.ListIndexOptions{}
			require.NoError(t, service.WithNamespace[service.ListIndexOptions](tt.namespace)(index))
			assert.Equal(t, tt.namespace, index.Namespace)
		})
	}
}

func TestWithPage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		page    int
		wantErr bool
	}{
		{name: "first page", page: 1},
		{name: "later page", page: 7},
		{name: "zero", page: 0, wantErr: true},
		{name: "negative", page: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := &service.ListVersionsOptions{}
			err := service.WithPage[service.ListVersionsOptions](tt.page)(opts)
			if tt.wantErr {
				require.ErrorIs(t, err, service.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.page, opts.Page)
		})
	}
}

func TestWithPageSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		size    int
		want    int
		wantErr bool
	}{
		{name: "within limit", size: 25, want: 25},
		{name: "at limit", size: service.MaxPageSize, want: service.MaxPageSize},
		{name: "capped", size: 1000, want: service.MaxPageSize},
		{name: "zero", size: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := &service.ListIndexOptions{}
			err := service.WithPageSize[service.ListIndexOptions](tt.size)(opts)
			if tt.wantErr {
				require.ErrorIs(t, err, service.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, opts.PageSize)
		})
	}
}

func TestIndexPage_HasNext(t *testing.T) {
	t.Parallel()

	assert.True(t, (&service.IndexPage{Total: 11, Page: 1, PageSize: 10}).HasNext())
	assert.False(t, (&service.IndexPage{Total: 10, Page: 1, PageSize: 10}).HasNext())
	assert.False(t, (&service.IndexPage{Total: 0, Page: 1, PageSize: 10}).HasNext())
}
