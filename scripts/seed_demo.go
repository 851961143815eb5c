// Seeds a development database with a demo tenant, brand and a handful of
// known sites so the scan pipeline can be exercised end to end.
//
//	DATABASE_URL=postgres://... go run scripts/seed_demo.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/copysentry/backend/internal/core"
	"github.com/copysentry/backend/internal/store"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	st, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	tenant := &core.Tenant{
		ID:        "demo-tenant",
		Name:      "Demo Tenant",
		Plan:      core.PlanBasic,
		CreatedAt: time.Now(),
	}
	if err := st.Tenants.Upsert(ctx, tenant); err != nil {
		log.Fatalf("seed tenant: %v", err)
	}

	brand := &core.BrandProfile{
		ID:                "demo-brand",
		TenantID:          tenant.ID,
		Name:              "Acme Widgets",
		Description:       "Maker of the original Acme widget line.",
		OfficialURLs:      []string{"https://acme.example"},
		SafeKeywords:      []string{"acme", "acme widgets"},
		ModerateKeywords:  []string{"acme discount"},
		DangerousKeywords: []string{"acme crack", "acme keygen", "free acme download"},
	}
	if err := st.Brands.Save(ctx, brand); err != nil {
		log.Fatalf("seed brand: %v", err)
	}

	sites := []*core.KnownSite{
		{ID: "demo-site-1", BaseURL: "https://files.pirate.example", Domain: "pirate.example", Category: "file-sharing", RiskScore: 0.8},
		{ID: "demo-site-2", BaseURL: "https://bazaar.example", Domain: "bazaar.example", Category: "marketplace", RiskScore: 0.4},
		{ID: "demo-site-3", BaseURL: "https://blogring.example", Domain: "blogring.example", Category: "blog", RiskScore: 0.1},
	}
	for _, site := range sites {
		if err := st.Sites.Upsert(ctx, site); err != nil {
			log.Fatalf("seed site %s: %v", site.ID, err)
		}
	}

	fmt.Printf("seeded tenant %q, brand %q and %d sites\n", tenant.ID, brand.ID, len(sites))
}
