package shared

// Route permissions. Workflow abilities such as "purchase_order.approve" are
// declared next to the graphs that check them.
const (
	PermProcurementView = "procurement.view"
	PermProcurementEdit = "procurement.edit"

	PermLedgerView   = "ledger.view"
	PermLedgerManage = "ledger.manage"
)
