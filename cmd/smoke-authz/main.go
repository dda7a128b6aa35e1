package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/httpapi"
	"pantrykit.org/internal/obs"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := obs.Component("smoke")
	httpBase := envOr("PANTRY_SMOKE_HTTP", "http://localhost:8080")
	grpcAddr := envOr("PANTRY_SMOKE_GRPC", "localhost:9090")
	tenant := "smoke-" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"email":    fmt.Sprintf("smoke+%s@pantrykit.test", uuid.NewString()),
		"password": uuid.NewString(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpBase+"/v1/auth/register", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Fatal("build register request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.WithError(err).Fatalf("register at %s", httpBase)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("register: unexpected status %d", resp.StatusCode)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		log.WithError(err).Fatal("decode token pair")
	}

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.WithError(err).Fatalf("dial authd at %s", grpcAddr)
	}
	defer conn.Close()
	client := httpapi.NewAuthorizerClient(conn)

	expect := []struct {
		token  string
		perm   auth.Permission
		tenant string
		want   auth.Decision
	}{
		{pair.AccessToken, auth.PermRecipeRead, "", auth.Allow},
		{pair.AccessToken, auth.PermRecipeUpdate, "", auth.Forbidden},
		{pair.AccessToken, auth.PermRecipeRead, tenant, auth.Forbidden},
		{"not-a-token", auth.PermRecipeRead, "", auth.Unauthorized},
	}
	for _, e := range expect {
		v, err := client.Check(ctx, e.token, e.perm, e.tenant)
		if err != nil {
			log.WithError(err).Fatalf("check %s in %s", e.perm, e.tenant)
		}
		if v.Decision != e.want {
			log.Fatalf("check %s in %s: got %s, want %s", e.perm, e.tenant, v.Decision, e.want)
		}
	}

	fmt.Printf("authd smoke test passed: user=%s tenant=%s\n", pair.UserID, tenant)
}
