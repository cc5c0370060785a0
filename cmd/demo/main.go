package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"ledgerengine/internal/catalog"
	"ledgerengine/internal/extraction"
	"ledgerengine/internal/gate"
	"ledgerengine/internal/ledger"
	"ledgerengine/internal/money"
	"ledgerengine/internal/orchestrator"
	"ledgerengine/internal/policy"
	boltrepo "ledgerengine/internal/repo/bolt"
)

func main() {
	fmt.Println("🧾 Policy-Driven Bookkeeping Engine Demo")
	fmt.Println("========================================")

	dbFile := "demo_ledger.db"
	os.Remove(dbFile)

	catalogs := catalog.NewStore()
	policies := policy.NewStore()
	seedCatalog(catalogs)
	seedPolicies(policies)

	repoStore, err := boltrepo.Open(dbFile, policies, catalogs)
	if err != nil {
		log.Fatalf("failed to open repository: %v", err)
	}
	defer repoStore.Close()
	defer os.Remove(dbFile)

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	orch := orchestrator.NewService(repoStore, orchestrator.DefaultConfig(), logger)

	fmt.Println("\n📊 Step 1: Representation meal, VAT cap + split-deductible (SE)")
	runS1(orch)

	fmt.Println("\n🌍 Step 2: SaaS subscription, reverse charge (EU supplier)")
	runS2(orch)

	fmt.Println("\n❓ Step 3: Missing required slot triggers clarification")
	runS3(orch)
}

func runS1(orch *orchestrator.Service) {
	rec := extraction.Record{
		TotalGross: money.MustParse("1176.00"),
		Currency:   "SEK",
		VATLines: []extraction.VATLine{
			{Rate: money.MustParse("12"), Base: money.MustParse("1050.00"), Amount: money.MustParse("126.00")},
		},
		Vendor:       "Restaurant AB",
		DocumentDate: date("2025-08-01"),
	}
	intent := extraction.Intent{
		Name:       "representation_meal",
		Confidence: 0.96,
		Slots: map[string]interface{}{
			"attendees_count": 2.0,
			"purpose":         "client lunch",
		},
	}

	runID, err := orch.StartRun(context.Background(), "acme-se", "demo-user", rec, intent, rec.DocumentDate, "SE")
	if err != nil {
		log.Fatalf("S1: failed to start run: %v", err)
	}
	printRun(orch, runID)
}

func runS2(orch *orchestrator.Service) {
	rec := extraction.Record{
		TotalGross:   money.MustParse("4500.00"),
		Currency:     "EUR",
		DocumentDate: date("2025-10-15"),
		Vendor:       "CloudCo Ireland",
	}
	intent := extraction.Intent{
		Name:       "saas_subscription",
		Confidence: 0.92,
		Slots: map[string]interface{}{
			"supplier_country": "IE",
			"service_period":   "2025-10",
		},
	}

	runID, err := orch.StartRun(context.Background(), "acme-se", "demo-user", rec, intent, rec.DocumentDate, "SE")
	if err != nil {
		log.Fatalf("S2: failed to start run: %v", err)
	}
	printRun(orch, runID)
}

func runS3(orch *orchestrator.Service) {
	rec := extraction.Record{
		TotalGross:   money.MustParse("500.00"),
		Currency:     "SEK",
		DocumentDate: date("2025-08-02"),
		Vendor:       "Cafe Linden",
	}
	intent := extraction.Intent{
		Name:       "representation_meal",
		Confidence: 0.9,
		Slots:      map[string]interface{}{"purpose": "client coffee"},
	}

	runID, err := orch.StartRun(context.Background(), "acme-se", "demo-user", rec, intent, rec.DocumentDate, "SE")
	if err != nil {
		log.Fatalf("S3: failed to start run: %v", err)
	}
	run := printRun(orch, runID)
	if run.State != ledger.AwaitingClarification {
		return
	}

	fmt.Println("  ↳ supplying attendees_count=3, resuming from POLICY_SELECT")
	runID, err = orch.ProvideClarification(context.Background(), runID, map[string]interface{}{"attendees_count": 3.0})
	if err != nil {
		log.Fatalf("S3: failed to provide clarification: %v", err)
	}
	printRun(orch, runID)
}

func printRun(orch *orchestrator.Service, runID string) *ledger.PipelineRun {
	run, err := orch.GetRun(context.Background(), runID)
	if err != nil {
		log.Fatalf("failed to load run %s: %v", runID, err)
	}
	fmt.Printf("  run=%s state=%s step=%s\n", run.ID[:8], run.State, run.CurrentStep)
	if run.Error != nil {
		fmt.Printf("  error: kind=%s message=%s\n", run.Error.Kind, run.Error.Message)
	}
	if q, ok := run.Payload["question"]; ok {
		data, _ := json.Marshal(q)
		fmt.Printf("  question: %s\n", data)
	}
	if proposal, ok := run.Payload["proposal"]; ok {
		data, _ := json.MarshalIndent(proposal, "  ", "  ")
		fmt.Printf("  proposal:\n  %s\n", data)
	}
	if run.JournalEntryID != "" {
		fmt.Printf("  ✅ booked journal entry %s\n", run.JournalEntryID)
	}
	return run
}

func seedCatalog(store *catalog.Store) {
	cat := &catalog.AccountCatalog{
		Version:       "2025_v1.0",
		EffectiveFrom: date("2025-01-01"),
		Country:       "SE",
		Accounts: []catalog.AccountRecord{
			{Number: "6071", Name: "Representation, deductible", Type: catalog.Expense, SemanticTags: []string{"deductible_net_expense"}},
			{Number: "6072", Name: "Representation, non-deductible", Type: catalog.Expense, SemanticTags: []string{"non_deductible_net_expense"}},
			{Number: "2641", Name: "Input VAT, deductible", Type: catalog.Asset, SemanticTags: []string{"deductible_vat_input"}},
			{Number: "1930", Name: "Bank", Type: catalog.Asset, SemanticTags: []string{"bank"}},
			{Number: "6540", Name: "IT services", Type: catalog.Expense, SemanticTags: []string{"it_services_expense"}},
			{Number: "2645", Name: "Input VAT, reverse charge", Type: catalog.Asset, SemanticTags: []string{"reverse_charge_vat_input"}},
			{Number: "2614", Name: "Output VAT, reverse charge", Type: catalog.Liability, SemanticTags: []string{"reverse_charge_vat_output"}},
			{Number: "3999", Name: "Rounding", Type: catalog.Income, SemanticTags: []string{"rounding_account"}},
		},
	}
	raw, err := json.Marshal(cat)
	if err != nil {
		log.Fatalf("seedCatalog: marshal: %v", err)
	}
	if _, err := store.LoadJSON(raw); err != nil {
		log.Fatalf("seedCatalog: %v", err)
	}
}

func seedPolicies(store *policy.Store) {
	capPerPerson := money.MustParse("300")
	repr := &policy.Policy{
		ID:             "SE_REPR_MEAL_V1",
		Version:        "1.0",
		Country:        "SE",
		EffectiveFrom:  date("2025-01-01"),
		CatalogVersion: "2025_v1.0",
		Match:          policy.Match{Intent: "representation_meal"},
		Requires: []policy.Requirement{
			{Field: "attendees_count", Op: policy.OpExists},
		},
		VAT: policy.VATSpec{
			Rate:            money.MustParse("12"),
			CapPerPerson:    &capPerPerson,
			Code:            "SE-REPR",
			DeductibleSplit: true,
		},
		Posting: []policy.PostingTemplate{
			{AccountRef: "deductible_net_expense", Side: policy.Debit, Amount: policy.AmountDeductibleNet, Description: "deductible net"},
			{AccountRef: "non_deductible_net_expense", Side: policy.Debit, Amount: policy.AmountNonDeductibleNet, Description: "non-deductible net"},
			{AccountRef: "non_deductible_net_expense", Side: policy.Debit, Amount: policy.AmountVATNonDeductible, Description: "non-deductible VAT absorbed as cost"},
			{AccountRef: "deductible_vat_input", Side: policy.Debit, Amount: policy.AmountVATDeductible, Description: "deductible VAT"},
			{AccountRef: "bank", Side: policy.Credit, Amount: policy.AmountGross, Description: "bank"},
		},
		Stoplight: gate.Stoplight{}.Defaults(),
	}
	if err := store.Add(repr); err != nil {
		log.Fatalf("seedPolicies: %v", err)
	}

	saas := &policy.Policy{
		ID:             "SE_SAAS_REVERSE_CHARGE_V1",
		Version:        "1.0",
		Country:        "SE",
		EffectiveFrom:  date("2025-01-01"),
		CatalogVersion: "2025_v1.0",
		Match:          policy.Match{Intent: "saas_subscription"},
		VAT: policy.VATSpec{
			Rate: money.MustParse("25"),
			Mode: policy.ReverseCharge,
			ReportBoxes: map[string]string{
				"output": "30",
				"input":  "48",
			},
		},
		Posting: []policy.PostingTemplate{
			{AccountRef: "it_services_expense", Side: policy.Debit, Amount: policy.AmountNet, Description: "SaaS subscription"},
			{AccountRef: "reverse_charge_vat_input", Side: policy.Debit, Amount: policy.AmountVATInput, Description: "input VAT"},
			{AccountRef: "reverse_charge_vat_output", Side: policy.Credit, Amount: policy.AmountVATOutput, Description: "output VAT"},
			{AccountRef: "bank", Side: policy.Credit, Amount: policy.AmountGross, Description: "bank"},
		},
		Stoplight: gate.Stoplight{}.Defaults(),
	}
	if err := store.Add(saas); err != nil {
		log.Fatalf("seedPolicies: %v", err)
	}
}


func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		log.Fatalf("date: %v", err)
	}
	return t
}
