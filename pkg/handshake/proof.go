package handshake

import (
	"context"
	"fmt"
)

// ProofVerifier checks a response's proof against its challenge. The
// default implementation only checks shape; deployments with a real
// attestation or ZK backend plug in their own verifier. Any step may fail
// independently.
type ProofVerifier interface {
	Verify(ctx context.Context, ch *Challenge, resp *Response, sctx *Context) error
}

// minProofLen is the minimum well-formed proof length per proof type.
var minProofLen = map[ProofType]int{
	ProofIdentity:    16,
	ProofActivity:    8,
	ProofTrust:       8,
	ProofCapability:  16,
	ProofAttestation: 32,
}

const minSignatureLen = 16

// ShapeVerifier validates proof and signature well-formedness only. It
// preserves the protocol contract without asserting cryptographic proof
// content.
type ShapeVerifier struct{}

func (ShapeVerifier) Verify(_ context.Context, ch *Challenge, resp *Response, _ *Context) error {
	want, ok := minProofLen[ch.RequiredProof]
	if !ok {
		return fmt.Errorf("unknown proof type %q", ch.RequiredProof)
	}
	if len(resp.Proof) < want {
		return fmt.Errorf("%s proof too short: %d < %d", ch.RequiredProof, len(resp.Proof), want)
	}
	if len(resp.Signature) < minSignatureLen {
		return fmt.Errorf("signature too short: %d < %d", len(resp.Signature), minSignatureLen)
	}
	return nil
}
