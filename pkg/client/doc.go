// Package client is the Go SDK for the medaudit ledger service.
//
// The records layer uses it to submit audit facts; operators use it to check
// chain integrity.
//
// # Submitting an audit fact
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(os.Getenv("MEDAUDIT_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	block, err := c.AddAudit(ctx, client.AuditFact{
//	    Action:    client.ActionView,
//	    UserID:    "dr-house",
//	    UserRole:  client.RoleDoctor,
//	    PatientID: "patient-42",
//	    Timestamp: time.Now().UnixMilli(),
//	})
//
// AddAudit returns once the block is mined and durably stored. Mining takes
// longer at higher difficulties, so give ctx a generous deadline.
//
// # Checking integrity
//
//	res, err := c.Verify(ctx)
//	if err == nil && !res.Valid {
//	    log.Printf("chain broken at block %d: %s", *res.FailureBlockIndex, res.FailureKind)
//	}
//
// API errors are returned as *APIError; use errors.Is with ErrNotFound,
// ErrUnauthorized or ErrUnavailable to branch on common cases.
package client
