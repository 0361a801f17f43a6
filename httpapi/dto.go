package httpapi

import (
	"time"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

type bundleViewResponse struct {
	BundleID         string                    `json:"bundleId"`
	State            string                    `json:"state"`
	Tx1Hash          string                    `json:"tx1Hash"`
	Tx2Hash          string                    `json:"tx2Hash,omitempty"`
	PaymentAmountWei string                    `json:"paymentAmountWei"`
	TargetBlocks     []uint64                  `json:"targetBlocks"`
	CreatedAt        time.Time                 `json:"createdAt"`
	UpdatedAt        time.Time                 `json:"updatedAt"`
	ExpiresAt        time.Time                 `json:"expiresAt,omitempty"`
	BlockHash        string                    `json:"blockHash,omitempty"`
	BlockNumber      uint64                    `json:"blockNumber,omitempty"`
	GasUsed          uint64                    `json:"gasUsed,omitempty"`
	Submissions      []relaySubmissionResponse `json:"submissions"`
}

type relaySubmissionResponse struct {
	RelayName   string    `json:"relayName"`
	SubmittedAt time.Time `json:"submittedAt"`
	Status      string    `json:"status"`
}

func toBundleViewResponse(v atomictypes.BundleView) bundleViewResponse {
	resp := bundleViewResponse{
		BundleID:         v.Bundle.ID.String(),
		State:            string(v.Bundle.State),
		Tx1Hash:          v.Bundle.Tx1Hash.Hex(),
		PaymentAmountWei: v.Bundle.PaymentAmountWei.String(),
		TargetBlocks:     v.Bundle.TargetBlocks,
		CreatedAt:        v.Bundle.CreatedAt,
		UpdatedAt:        v.Bundle.UpdatedAt,
		ExpiresAt:        v.Bundle.ExpiresAt,
		BlockNumber:      v.Bundle.BlockNumber,
		GasUsed:          v.Bundle.GasUsed,
	}
	if v.Bundle.HasTx2() {
		resp.Tx2Hash = v.Bundle.Tx2Hash.Hex()
	}
	if v.Bundle.BlockNumber > 0 {
		resp.BlockHash = v.Bundle.BlockHash.Hex()
	}
	resp.Submissions = make([]relaySubmissionResponse, len(v.Submissions))
	for i, s := range v.Submissions {
		resp.Submissions[i] = relaySubmissionResponse{
			RelayName:   s.RelayName,
			SubmittedAt: s.SubmittedAt,
			Status:      string(s.Status),
		}
	}
	return resp
}
