package contracts

// EscrowABI covers the Escrow contract surface the service drives: the
// lifecycle calls, the views, the constants, the events and the custom errors.
const EscrowABI = `[
  {"type":"function","name":"createEscrow","stateMutability":"payable",
   "inputs":[
     {"name":"_taker","type":"address"},
     {"name":"_asset","type":"address"},
     {"name":"_jpyAmount","type":"uint256"},
     {"name":"_assetAmount","type":"uint256"},
     {"name":"_deadlineDuration","type":"uint256"},
     {"name":"_otcCode","type":"string"}],
   "outputs":[{"name":"escrowId","type":"uint256"}]},
  {"type":"function","name":"release","stateMutability":"nonpayable",
   "inputs":[{"name":"_escrowId","type":"uint256"},{"name":"_otcCode","type":"string"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable",
   "inputs":[{"name":"_escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view",
   "inputs":[{"name":"_escrowId","type":"uint256"}],
   "outputs":[{"name":"escrow","type":"tuple","components":[
     {"name":"id","type":"uint256"},
     {"name":"maker","type":"address"},
     {"name":"taker","type":"address"},
     {"name":"asset","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"jpyAmount","type":"uint256"},
     {"name":"deadline","type":"uint256"},
     {"name":"hashOTC","type":"bytes32"},
     {"name":"isReleased","type":"bool"},
     {"name":"isRefunded","type":"bool"},
     {"name":"createdAt","type":"uint256"}]}]},
  {"type":"function","name":"isRefundAvailable","stateMutability":"view",
   "inputs":[{"name":"_escrowId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getTimeUntilRefund","stateMutability":"view",
   "inputs":[{"name":"_escrowId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getMakerEscrows","stateMutability":"view",
   "inputs":[{"name":"_maker","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"MIN_JPY_AMOUNT","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"MAX_USD_CAP","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"DEFAULT_DEADLINE_DURATION","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"MAX_DEADLINE_DURATION","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[
     {"name":"id","type":"uint256","indexed":true},
     {"name":"maker","type":"address","indexed":true},
     {"name":"taker","type":"address","indexed":true},
     {"name":"asset","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"jpyAmount","type":"uint256","indexed":false},
     {"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowReleased","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":true}]},
  {"type":"event","name":"EscrowRefunded","anonymous":false,"inputs":[{"name":"id","type":"uint256","indexed":true}]},
  {"type":"error","name":"InvalidJPYAmount","inputs":[]},
  {"type":"error","name":"InvalidDeadline","inputs":[]},
  {"type":"error","name":"InvalidAsset","inputs":[]},
  {"type":"error","name":"InsufficientFunds","inputs":[]},
  {"type":"error","name":"EscrowNotFound","inputs":[]},
  {"type":"error","name":"OnlyMaker","inputs":[]},
  {"type":"error","name":"InvalidOTC","inputs":[]},
  {"type":"error","name":"DeadlineNotReached","inputs":[]},
  {"type":"error","name":"AlreadyReleased","inputs":[]},
  {"type":"error","name":"AlreadyRefunded","inputs":[]}
]`
