package shared

// Quote workflow permissions.
const (
	PermQuoteView   = "quote.view"
	PermQuoteCreate = "quote.create"
	PermQuoteEdit   = "quote.edit"

	PermQuoteSubmit        = "quote.submit"
	PermQuoteApprove       = "quote.approve"
	PermQuoteReject        = "quote.reject"
	PermQuoteClientApprove = "quote.client_approve"
	PermQuoteClientReject  = "quote.client_reject"
	PermQuoteReopen        = "quote.reopen"
	PermQuoteVerifyPayment = "quote.verify_payment"

	PermQuoteDesignStart               = "quote.design_start"
	PermQuoteDesignClientApprove       = "quote.design_client_approve"
	PermQuoteDesignManufacturerApprove = "quote.design_manufacturer_approve"
)

// Purchase order permissions.
const (
	PermPOView          = "po.view"
	PermPOCreate        = "po.create"
	PermPOEdit          = "po.edit"
	PermPOAdvance       = "po.advance"
	PermPOCancel        = "po.cancel"
	PermPOVerifyPayment = "po.verify_payment"

	PermManufacturerView   = "manufacturer.view"
	PermManufacturerManage = "manufacturer.manage"

	PermOrderSheetView = "ordersheet.view"
	PermSettingsManage = "settings.manage"
)

// QuoteScopes lists all quote workflow permissions.
func QuoteScopes() []string {
	return []string{
		PermQuoteView,
		PermQuoteCreate,
		PermQuoteEdit,
		PermQuoteSubmit,
		PermQuoteApprove,
		PermQuoteReject,
		PermQuoteClientApprove,
		PermQuoteClientReject,
		PermQuoteReopen,
		PermQuoteVerifyPayment,
		PermQuoteDesignStart,
		PermQuoteDesignClientApprove,
		PermQuoteDesignManufacturerApprove,
	}
}

// ProcurementScopes lists purchase order and manufacturer permissions.
func ProcurementScopes() []string {
	return []string{
		PermPOView,
		PermPOCreate,
		PermPOEdit,
		PermPOAdvance,
		PermPOCancel,
		PermPOVerifyPayment,
		PermManufacturerView,
		PermManufacturerManage,
		PermOrderSheetView,
	}
}
