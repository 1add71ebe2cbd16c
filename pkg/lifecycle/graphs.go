package lifecycle

// Batch states.
const (
	BatchBuilding           State = "building"
	BatchUploading          State = "uploading"
	BatchUploaded           State = "uploaded"
	BatchWaitingForCapacity State = "waiting_for_capacity"
	BatchProviderProcessing State = "provider_processing"
	BatchProviderCompleted  State = "provider_completed"
	BatchDownloading        State = "downloading"
	BatchDownloaded         State = "downloaded"
	BatchReadyToDeliver     State = "ready_to_deliver"
	BatchDelivering         State = "delivering"
	BatchDelivered          State = "delivered"
	BatchPartiallyDelivered State = "partially_delivered"
	BatchDeliveryFailed     State = "delivery_failed"
	BatchExpired            State = "expired"
	BatchWaitingToRetry     State = "waiting_to_retry"
	BatchFailed             State = "failed"
	BatchCancelled          State = "cancelled"
)

// Request states.
const (
	RequestPending            State = "pending"
	RequestProviderProcessing State = "provider_processing"
	RequestProviderProcessed  State = "provider_processed"
	RequestDelivering         State = "delivering"
	RequestDelivered          State = "delivered"
	RequestFailed             State = "failed"
	RequestDeliveryFailed     State = "delivery_failed"
	RequestCancelled          State = "cancelled"
	RequestExpired            State = "expired"
)

var batchGraph = newGraph(EntityBatch, map[State][]State{
	BatchBuilding: {BatchUploading, BatchCancelled, BatchFailed},
	BatchUploading: {BatchUploaded, BatchCancelled, BatchFailed},
	BatchUploaded: {BatchProviderProcessing, BatchWaitingForCapacity, BatchCancelled, BatchFailed},
	BatchWaitingForCapacity: {BatchUploaded, BatchProviderProcessing, BatchCancelled, BatchFailed},
	BatchProviderProcessing: {BatchProviderCompleted, BatchExpired, BatchWaitingForCapacity, BatchCancelled, BatchFailed},
	BatchProviderCompleted: {BatchDownloading, BatchCancelled, BatchFailed},
	BatchExpired: {BatchDownloading, BatchWaitingToRetry, BatchCancelled, BatchFailed},
	BatchWaitingToRetry: {BatchUploading, BatchCancelled, BatchFailed},
	BatchDownloading: {BatchDownloaded, BatchCancelled, BatchFailed},
	// Downloaded batches either move on to delivery, or re-upload the
	// remainder after a partial expiration, or finish immediately when
	// nothing survived parsing.
	BatchDownloaded: {BatchReadyToDeliver, BatchUploading, BatchDelivered, BatchCancelled, BatchFailed},
	BatchReadyToDeliver: {BatchDelivering, BatchDelivered, BatchCancelled, BatchFailed},
	BatchDelivering: {BatchDelivered, BatchPartiallyDelivered, BatchDeliveryFailed, BatchCancelled, BatchFailed},
	// Operator redeliver is the only edge out of the delivery-terminal
	// states.
	BatchPartiallyDelivered: {BatchDelivering},
	BatchDeliveryFailed:     {BatchDelivering},
})

var requestGraph = newGraph(EntityRequest, map[State][]State{
	RequestPending: {RequestProviderProcessing, RequestFailed, RequestCancelled, RequestExpired},
	// provider_processing -> pending covers partial-expiration resets.
	RequestProviderProcessing: {RequestProviderProcessed, RequestPending, RequestFailed, RequestCancelled, RequestExpired},
	RequestProviderProcessed:  {RequestDelivering, RequestCancelled},
	RequestDelivering:         {RequestDelivered, RequestDeliveryFailed, RequestCancelled},
	RequestDeliveryFailed:     {RequestDelivering},
})

// Batches returns the batch state graph.
func Batches() *Graph { return batchGraph }

// Requests returns the request state graph.
func Requests() *Graph { return requestGraph }
