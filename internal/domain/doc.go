// Package domain is the seam between ingestion and the attendance business
// rules. Ingestion looks up a Handler by event kind, invokes it once per
// accepted event, and maps its error to a wire result through Code.
//
// Handlers signal business-rule rejections with *Error so the server can
// tell a client whether re-sending the event could ever succeed, without
// inspecting error text.
package domain
