package database

import (
	"fmt"
	"os"

	supabase "github.com/supabase-community/supabase-go"
)

// ============================================================================
// SUPABASE CLIENT — thin constructor/accessor wrapper
// ============================================================================

// SupabaseClient wraps the supabase-go client. objectstore.SupabaseStore
// builds its "object_blobs" table access on top of the client this wrapper
// constructs, the same way the original backend's service layer built its
// per-table CRUD on top of it.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a client from SUPABASE_URL/SUPABASE_SERVICE_KEY.
func NewSupabaseClient() (*SupabaseClient, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	return NewSupabaseClientFromCredentials(url, key)
}

// NewSupabaseClientFromCredentials creates a client from explicit
// credentials — for callers (like cmd/ninja-gateway) that source the URL
// and service key from their own config layer instead of the environment
// directly.
func NewSupabaseClientFromCredentials(url, key string) (*SupabaseClient, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase URL and service key must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// Raw returns the underlying supabase-go client for table-level access.
func (sc *SupabaseClient) Raw() *supabase.Client {
	return sc.client
}
