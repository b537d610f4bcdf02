// Package upload hands finished takes to the external noise-reduction
// and storage service. One multipart POST per take, no retries; retry
// policy belongs to the collaborator's contract, not this agent. The
// client bounds concurrent uploads with a semaphore and keeps running
// statistics for the monitoring surface.
package upload
