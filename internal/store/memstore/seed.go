package memstore

import "folio/api/internal/store"

// Demo identifiers created by SeedDemo.
const (
	DemoOwnerID     = "usr_demo_owner"
	DemoWorkspaceID = "ws_demo"
	DemoDocumentID  = "doc_demo"
	DemoVersionID   = "ver_demo_1"
)

// SeedDemo creates one workspace owned by DemoOwnerID with a single document
// and version, so the memory storage mode is usable without an upload pipeline.
func (s *Store) SeedDemo() {
	versionID := DemoVersionID
	s.AddUser(store.User{ID: DemoOwnerID, Username: "demo", DisplayName: "Demo Owner", Email: "demo@folio.local"})
	s.AddWorkspace(store.Workspace{ID: DemoWorkspaceID, Name: "Demo", OwnerID: DemoOwnerID})
	s.AddDocument(store.Document{ID: DemoDocumentID, WorkspaceID: DemoWorkspaceID, Title: "Welcome.pdf", Status: "ready", CurrentVersionID: &versionID})
	s.AddVersion(store.DocumentVersion{ID: DemoVersionID, DocumentID: DemoDocumentID, VersionNumber: 1})
}
